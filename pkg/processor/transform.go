package processor

// Transformer applies a client's transformation/aggregation policy to the
// parsed rows of one report file. The exact aggregation semantics are a
// downstream business decision, so the policy is pluggable.
type Transformer interface {
	Transform(header []string, rows [][]string) ([]string, [][]string, error)
}

// RowCountTransformer passes rows through unchanged. Record counting happens
// in the stage regardless of the transformer, so this is the minimal useful
// policy.
type RowCountTransformer struct{}

func (RowCountTransformer) Transform(header []string, rows [][]string) ([]string, [][]string, error) {
	return header, rows, nil
}
