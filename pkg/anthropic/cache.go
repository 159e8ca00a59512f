package anthropic

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint. Every batch of a phase shares the same system prompt, so the
// first call of a phase warms the prompt cache for the rest. An empty ttl
// uses the API default of five minutes.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: ttl},
		},
	}
}
