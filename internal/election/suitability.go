package election

// Suitability scores how well the local member fits to lead a service group.
// Higher is better.
type Suitability interface {
	Get(group string) uint64
}

// SuitabilityFunc adapts a function to Suitability.
type SuitabilityFunc func(group string) uint64

// Get calls f(group).
func (f SuitabilityFunc) Get(group string) uint64 {
	return f(group)
}

// Fixed returns the same score for every group.
type Fixed uint64

// Get returns the fixed score.
func (s Fixed) Get(string) uint64 {
	return uint64(s)
}
