// Package webhook talks HTTP to the generation side: it asks a generator for
// an asset and posts the result back to the callback endpoint.
package webhook

// GenerationRequest is what the generator receives for one asset
type GenerationRequest struct {
	AssetID         uint     `json:"asset_id"`
	Kind            string   `json:"kind"`
	Type            string   `json:"type"`
	Prompt          string   `json:"prompt"`
	ReferenceImages []string `json:"reference_images,omitempty"`
}

// GenerationResult is the generator's answer
type GenerationResult struct {
	AssetURL string `json:"asset_url"`
}
