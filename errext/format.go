package errext

import "errors"

// Format formats the given error as a message (string) and a map of fields.
// In case of [HasKind], it adds the kind as a field; in case of [HasHint],
// it also adds the hint.
func Format(err error) (string, map[string]interface{}) {
	if err == nil {
		return "", nil
	}

	fields := make(map[string]interface{})
	var kerr HasKind
	if errors.As(err, &kerr) {
		fields["kind"] = string(kerr.Kind())
	}
	var herr HasHint
	if errors.As(err, &herr) {
		fields["hint"] = herr.Hint()
	}

	return err.Error(), fields
}
