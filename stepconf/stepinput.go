package stepconf

// InputParser fills configuration structs.
type InputParser interface {
	Parse(input interface{}) error
}

type envInputParser struct {
	envGetter EnvGetter
}

// NewInputParser returns an InputParser reading variables through envGetter, e.g. env.NewRepository().
func NewInputParser(envGetter EnvGetter) InputParser {
	return envInputParser{
		envGetter: envGetter,
	}
}

// Parse implements InputParser.
func (p envInputParser) Parse(input interface{}) error {
	return parse(input, p.envGetter)
}
