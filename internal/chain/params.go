package chain

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Params is the wire form of a Request, shared by the HTTP API and the MCP
// refguard.chain tool. Unset optional fields take the NewRequest defaults.
type Params struct {
	Message            string                 `json:"message" validate:"max=20000"`
	MaxRefs            *int                   `json:"maxRefs,omitempty" validate:"omitempty,min=0,max=50"`
	MaxURLs            *int                   `json:"maxUrls,omitempty" validate:"omitempty,min=0,max=50"`
	MaxImages          *int                   `json:"maxImages,omitempty" validate:"omitempty,min=0,max=50"`
	EnableToolChaining *bool                  `json:"enableToolChaining,omitempty"`
	ProcessImages      *bool                  `json:"processImages,omitempty"`
	SourceTool         string                 `json:"sourceTool,omitempty" validate:"omitempty,max=100"`
	SourceParams       map[string]interface{} `json:"sourceParams,omitempty"`
}

// Validate checks field bounds.
func (p Params) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid chain request: %w", err)
	}
	return nil
}

// Request converts p, applying defaults for unset fields.
func (p Params) Request() Request {
	req := NewRequest(p.Message)
	if p.MaxRefs != nil {
		req.MaxRefs = *p.MaxRefs
	}
	if p.MaxURLs != nil {
		req.MaxURLs = *p.MaxURLs
	}
	if p.MaxImages != nil {
		req.MaxImages = *p.MaxImages
	}
	if p.EnableToolChaining != nil {
		req.EnableChaining = *p.EnableToolChaining
	}
	if p.ProcessImages != nil {
		req.ProcessImages = *p.ProcessImages
	}
	req.SourceTool = p.SourceTool
	req.SourceParams = p.SourceParams
	return req
}
