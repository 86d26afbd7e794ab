package blocks

// AnchorFlag records that an anchor wrapped by a view has been modified.
// The owner of the anchor checks the flag after closing all views and
// re-serializes the owning record iff it fired.
type AnchorFlag struct {
	fired bool
}

// Mark marks the anchor as modified.
func (f *AnchorFlag) Mark() {
	f.fired = true
}

// Fired returns true if the anchor has been modified.
func (f *AnchorFlag) Fired() bool {
	return f.fired
}
