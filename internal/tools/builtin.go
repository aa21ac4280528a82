package tools

// NewBuiltinRegistry registers the inline source tool and the three
// downstream tools, plus any extra tools such as the mailbox source.
func NewBuiltinRegistry(f *Fetcher, wikipediaBase string, extra ...Tool) *ToolRegistry {
	r := NewRegistry(
		InlineMessageTool{},
		NewWebAccessTool(f),
		NewWikipediaTool(f, wikipediaBase),
		NewImageTool(f),
	)
	for _, t := range extra {
		r.Register(t)
	}
	return r
}
