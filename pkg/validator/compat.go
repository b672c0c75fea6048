package validator

// Type-change classification. Widening conversions are safe, lossy ones need
// a migration, and the rest are incompatible.
type compatClass int

const (
	compatIdentical compatClass = iota
	compatWidening
	compatLossy
	compatIncompatible
)

// wideningPairs lists old→new conversions that preserve every value.
var wideningPairs = map[[2]string]bool{
	{"integer", "long"}:    true,
	{"integer", "double"}:  true,
	{"integer", "decimal"}: true,
	{"long", "decimal"}:    true,
	{"float", "double"}:    true,
	{"short", "integer"}:   true,
	{"short", "long"}:      true,
	{"date", "timestamp"}:  true,
	{"string", "text"}:     true,
}

// lossyPairs lists old→new conversions that can truncate or reformat values
// but remain representable.
var lossyPairs = map[[2]string]bool{
	{"long", "integer"}:    true,
	{"double", "float"}:    true,
	{"decimal", "double"}:  true,
	{"timestamp", "date"}:  true,
	{"text", "string"}:     true,
	{"string", "integer"}:  true,
	{"string", "long"}:     true,
	{"string", "double"}:   true,
	{"string", "boolean"}:  true,
	{"string", "date"}:     true,
	{"string", "timestamp"}: true,
}

// classifyTypeChange grades a data type change from old to new.
func classifyTypeChange(oldType, newType string) compatClass {
	if oldType == newType {
		return compatIdentical
	}
	key := [2]string{oldType, newType}
	if wideningPairs[key] {
		return compatWidening
	}
	if lossyPairs[key] {
		return compatLossy
	}
	return compatIncompatible
}

// severityForTypeChange maps a classification to the severity of merging it.
func severityForTypeChange(class compatClass) Severity {
	switch class {
	case compatLossy:
		return SeverityHigh
	case compatIncompatible:
		return SeverityCritical
	}
	return SeverityLow
}
