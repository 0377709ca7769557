package model

import (
	"github.com/cunode/cunode/pkg/cuerr"
)

// Tag names checked during process verification.
const (
	TagDataProtocol = "Data-Protocol"
	TagType         = "Type"
	TagModule       = "Module"

	dataProtocolAO = "ao"
	typeProcess    = "Process"
)

// VerifyProcess checks the required tags on a freshly fetched process
// record. Records already persisted locally are assumed verified at first
// load and skip this check.
func VerifyProcess(p *Process) error {
	if proto, ok := p.Tag(TagDataProtocol); !ok || proto != dataProtocolAO {
		return cuerr.Verification(p.ID, "Data-Protocol tag missing or not \"ao\"")
	}
	if typ, ok := p.Tag(TagType); !ok || typ != typeProcess {
		return cuerr.Verification(p.ID, "Type tag missing or not \"Process\"")
	}
	if mod, ok := p.Tag(TagModule); !ok || mod == "" {
		return cuerr.Verification(p.ID, "Module tag missing or empty")
	}
	return nil
}

// ValidateMessage rejects structurally unusable messages at the trust
// boundary before they reach the pipeline.
func ValidateMessage(m *Message) error {
	if m.ID == "" {
		return cuerr.New(cuerr.ClassExternalFetch, "message missing id")
	}
	if m.ProcessID == "" {
		return cuerr.Newf(cuerr.ClassExternalFetch, "message %s missing process id", m.ID)
	}
	return nil
}
