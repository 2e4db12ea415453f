package model

// Preset is a named template of properties+constraints a Provider can stamp
// into new Offers, recovered from the original implementation's CLI preset
// command (SPEC_FULL §D.1). It is pure ergonomics over the data model: the
// resulting Offer is built and content-addressed exactly as any other.
type Preset struct {
	ID          string
	Name        string
	Properties  PropertySet
	Constraints string
}

// Apply copies the preset's properties and constraints onto a property set
// and constraint expression, with explicit overrides taking precedence over
// the template.
func (p *Preset) Apply(overrideProps PropertySet, overrideConstraints string) (PropertySet, string) {
	merged := make(PropertySet, len(p.Properties)+len(overrideProps))
	for k, v := range p.Properties {
		merged[k] = v
	}
	for k, v := range overrideProps {
		merged[k] = v
	}
	constraints := p.Constraints
	if overrideConstraints != "" {
		constraints = overrideConstraints
	}
	return merged, constraints
}
