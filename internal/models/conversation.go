package models

// MessageKind distinguishes system notes from participant messages
type MessageKind string

const (
	MessageKindSystem MessageKind = "system"
)
