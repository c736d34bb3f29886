package memutils

// Validatable is anything that can check its own internal consistency, such as a blockorder.Heap.
// DebugValidate acts on it.
type Validatable interface {
	Validate() error
}
