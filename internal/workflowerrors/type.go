package workflowerrors

import "reflect"

// typeName names the concrete type of err for persisted error documents. Errors built with
// errors.New, fmt.Errorf, or errors.Join carry no useful name and yield "".
func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t.PkgPath() + "." + t.Name() {
	case "errors.errorString", "errors.joinError", "fmt.wrapError", "fmt.wrapErrors":
		return ""
	}

	return t.Name()
}
