// Package protocol defines the wire format the build executor uses to
// report progress to the control plane over a websocket: a small set
// of typed JSON messages, plus the sentinel marker lines the build
// driver script embeds in its output to delimit sections.
package protocol

import (
	"encoding/json"
	"fmt"
)

// TargetOutputMessageSize is the coalescing threshold for build output.
// Output lines are batched into a single BuildOutput message until
// their combined size reaches this many bytes, keeping message counts
// low without letting individual messages grow unbounded.
const TargetOutputMessageSize = 4960

// MessageType discriminates the protocol's message union.
type MessageType string

const (
	// TypeSectionStart opens a named output section.
	TypeSectionStart MessageType = "SectionStart"

	// TypeBuildOutput carries a batch of build output text belonging
	// to the currently open section.
	TypeBuildOutput MessageType = "BuildOutput"

	// TypeSectionEnd closes the current section, recording whether it
	// succeeded.
	TypeSectionEnd MessageType = "SectionEnd"

	// TypeFinalStatus is the last message of a build.  Exactly one is
	// sent per build run.
	TypeFinalStatus MessageType = "FinalStatus"
)

// Message is one protocol message: SectionStart, BuildOutput,
// SectionEnd, or FinalStatus.  Each variant carries only the fields
// meaningful for its kind; consumers type-switch on the concrete type.
type Message interface {
	Kind() MessageType
}

// SectionStart opens a named output section.
type SectionStart struct {
	SectionName string
}

func (SectionStart) Kind() MessageType { return TypeSectionStart }

// BuildOutput carries a batch of output text for the open section.
type BuildOutput struct {
	Output string
}

func (BuildOutput) Kind() MessageType { return TypeBuildOutput }

// SectionEnd closes the current section.
type SectionEnd struct {
	WasSuccessful bool
}

func (SectionEnd) Kind() MessageType { return TypeSectionEnd }

// FinalStatus reports the overall build result.  Exactly one is sent
// per build run.
type FinalStatus struct {
	WasSuccessful bool
}

func (FinalStatus) Kind() MessageType { return TypeFinalStatus }

// NewSectionStart builds a SectionStart message.
func NewSectionStart(name string) SectionStart {
	return SectionStart{SectionName: name}
}

// NewBuildOutput builds a BuildOutput message.
func NewBuildOutput(output string) BuildOutput {
	return BuildOutput{Output: output}
}

// NewSectionEnd builds a SectionEnd message.
func NewSectionEnd(success bool) SectionEnd {
	return SectionEnd{WasSuccessful: success}
}

// NewFinalStatus builds a FinalStatus message.
func NewFinalStatus(success bool) FinalStatus {
	return FinalStatus{WasSuccessful: success}
}

// envelope is the flat wire form: the type discriminator plus the
// union of every variant's fields.
type envelope struct {
	Type          MessageType `json:"type"`
	SectionName   string      `json:"sectionName,omitempty"`
	Output        string      `json:"output,omitempty"`
	WasSuccessful bool        `json:"wasSuccessful"`
}

// Encode serializes the message for the wire.
func Encode(m Message) ([]byte, error) {
	var env envelope
	switch v := m.(type) {
	case SectionStart:
		if v.SectionName == "" {
			return nil, fmt.Errorf("SectionStart message without section name")
		}
		env = envelope{Type: TypeSectionStart, SectionName: v.SectionName}
	case BuildOutput:
		env = envelope{Type: TypeBuildOutput, Output: v.Output}
	case SectionEnd:
		env = envelope{Type: TypeSectionEnd, WasSuccessful: v.WasSuccessful}
	case FinalStatus:
		env = envelope{Type: TypeFinalStatus, WasSuccessful: v.WasSuccessful}
	default:
		return nil, fmt.Errorf("unknown message type %T", m)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", env.Type, err)
	}
	return data, nil
}

// Decode parses a wire message.  Messages with an unknown type are
// rejected so protocol drift surfaces as an error instead of a
// silently dropped field.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding protocol message: %w", err)
	}
	switch env.Type {
	case TypeSectionStart:
		if env.SectionName == "" {
			return nil, fmt.Errorf("SectionStart message without section name")
		}
		return SectionStart{SectionName: env.SectionName}, nil
	case TypeBuildOutput:
		return BuildOutput{Output: env.Output}, nil
	case TypeSectionEnd:
		return SectionEnd{WasSuccessful: env.WasSuccessful}, nil
	case TypeFinalStatus:
		return FinalStatus{WasSuccessful: env.WasSuccessful}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}
