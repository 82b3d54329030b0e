package llmstream

// StreamResult is what a provider returns once its stream has been fully consumed.
type StreamResult struct {
	// Model is the model that was used (may differ from request if aliased)
	Model string

	// FinalText is the concatenated main text of the turn
	FinalText string

	// Usage is the token accounting reported with ResponseComplete (nil if the stream errored first)
	Usage *Usage
}
