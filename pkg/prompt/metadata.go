package prompt

// Metadata is a side-channel annotation attached to the prompt. Global
// metadata is always returned; local metadata lives on a node and is dropped
// if the node is pruned.
type Metadata any

// Reference points at a piece of context used to build the prompt.
type Reference struct {
	URI   string `json:"uri" yaml:"uri"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
}

// UsedContextMetadata records context that was consumed by the prompt.
type UsedContextMetadata struct {
	References []Reference
}

// ReferenceMetadata records citations for the response.
type ReferenceMetadata struct {
	References []Reference
}

// IgnoredFilesMetadata records files deliberately excluded from the prompt.
type IgnoredFilesMetadata struct {
	Paths []string
}

// MetadataOf returns every entry of md with type T.
func MetadataOf[T any](md []Metadata) []T {
	var out []T
	for _, m := range md {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
