package schema

const DiamondsVersion = "diamonds-v1"

// Diamonds returns the gemstone schema used by the pricer. The vocabularies
// follow the public diamonds dataset, ordered from worst to best grade.
func Diamonds(rules ...string) (*Schema, error) {
	return New(DiamondsVersion,
		[]string{"carat", "depth", "table", "x", "y", "z"},
		[]CategoricalField{
			{Name: "cut", Levels: []string{"Fair", "Good", "Very Good", "Premium", "Ideal"}},
			{Name: "color", Levels: []string{"J", "I", "H", "G", "F", "E", "D"}},
			{Name: "clarity", Levels: []string{"I1", "SI2", "SI1", "VS2", "VS1", "VVS2", "VVS1", "IF"}},
		},
		rules...,
	)
}

// MustDiamonds is Diamonds without rules, panicking on error. The schema is
// a compile-time constant, so an error here is a programming mistake.
func MustDiamonds() *Schema {
	s, err := Diamonds()
	if err != nil {
		panic(err)
	}
	return s
}
