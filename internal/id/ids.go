// Package id defines the typed identifiers used across the platform and the
// RequestContext that carries them between services.
package id

import "github.com/google/uuid"

// Typed identifiers. All are opaque strings; the zero value means "absent".
type (
	TaskID       string
	ContextID    string
	SessionID    string
	TraceID      string
	UserID       string
	MessageID    string
	ArtifactID   string
	AiToolCallID string
	RequestID    string
	StepID       string
)

func NewTaskID() TaskID             { return TaskID(uuid.NewString()) }
func NewContextID() ContextID       { return ContextID(uuid.NewString()) }
func NewSessionID() SessionID       { return SessionID(uuid.NewString()) }
func NewTraceID() TraceID           { return TraceID(uuid.NewString()) }
func NewUserID() UserID             { return UserID(uuid.NewString()) }
func NewMessageID() MessageID       { return MessageID(uuid.NewString()) }
func NewArtifactID() ArtifactID     { return ArtifactID(uuid.NewString()) }
func NewAiToolCallID() AiToolCallID { return AiToolCallID(uuid.NewString()) }
func NewRequestID() RequestID       { return RequestID(uuid.NewString()) }
func NewStepID() StepID             { return StepID(uuid.NewString()) }

func (v TaskID) String() string       { return string(v) }
func (v ContextID) String() string    { return string(v) }
func (v SessionID) String() string    { return string(v) }
func (v TraceID) String() string      { return string(v) }
func (v UserID) String() string       { return string(v) }
func (v MessageID) String() string    { return string(v) }
func (v ArtifactID) String() string   { return string(v) }
func (v AiToolCallID) String() string { return string(v) }
func (v RequestID) String() string    { return string(v) }
func (v StepID) String() string       { return string(v) }
