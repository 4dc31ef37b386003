// Package masking defines the single extension point through which
// individual records pass on their way out of a dump. Concrete masking
// rulesets are an external collaborator and out of scope for the core; this
// package only defines the contract and a no-op default.
package masking

// Transform is the external masking module's single entry point: given one
// JSON record, it returns the (possibly redacted) record to write, or an
// error to abort the containing job.
type Transform interface {
	Transform(record []byte) ([]byte, error)
}

// NoOp is a Transform that returns every record unchanged. It is the
// default wired into jobs that were not configured with masking rules.
type NoOp struct{}

// Transform implements Transform by returning record unmodified.
func (NoOp) Transform(record []byte) ([]byte, error) { return record, nil }

var _ Transform = NoOp{}
