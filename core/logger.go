package core

type (
	// Logger logs messages and reports them to the error tracker.
	// expected args: error, map[string]interface{}, Person
	Logger interface {
		Debug(msg string, args ...interface{})
		Info(msg string, args ...interface{})
		Warn(msg string, args ...interface{})
		Error(msg string, args ...interface{})
		Fatal(msg string, args ...interface{})
	}

	// Person identifies who a log entry is about (a student attempt or an instructor).
	Person struct {
		ID    string
		Name  string
		Email string
	}
)
