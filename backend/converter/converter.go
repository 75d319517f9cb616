package converter

type Converter interface {
	// To converts the given value to its encoded form
	To(v any) ([]byte, error)

	// From decodes the given data into the value pointed to by v
	From(data []byte, v any) error
}

var DefaultConverter Converter = &jsonConverter{}
