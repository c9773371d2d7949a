package runner

// Level classifies a message emitted by the runner for one execution.
type Level int32

const (
	// LevelStdout is standard output from the executed program.
	LevelStdout Level = 0
	// LevelStderr is standard error output from the executed program.
	LevelStderr Level = 1
	// LevelExitCode reports the program's exit code.
	LevelExitCode Level = 2
	// LevelInfo is an informational message from the runner itself.
	LevelInfo Level = 3
	// LevelError is an error message from the runner itself.
	LevelError Level = 4
	// LevelStatistics tags a resource-usage sample.
	LevelStatistics Level = 5
	// LevelUnrecognized marks a message whose type could not be determined.
	LevelUnrecognized Level = -1
)

// Request is the first message of a run stream. It carries everything the
// runner needs to start one execution.
type Request struct {
	RequestID      string   `json:"requestId"`
	SourceCode     string   `json:"sourceCode"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
	Stdin          []string `json:"stdin"`
	Language       string   `json:"language"`
}

// Statistics is a point-in-time resource usage sample for a running
// execution.
type Statistics struct {
	CPUPercent float64 `json:"cpuPercent"`
	MemoryUsed int64   `json:"memoryUsed"`
}

// Message is one unit of the run stream. Which optional field is populated
// depends on the level: ExitCode only accompanies LevelExitCode, Statistics
// only accompanies a statistics sample, Message carries the text for the
// rest. Consumers must not assume the other fields are set.
type Message struct {
	RequestID  string      `json:"requestId"`
	Level      Level       `json:"level"`
	Message    string      `json:"message,omitempty"`
	ExitCode   *int        `json:"exitCode,omitempty"`
	Statistics *Statistics `json:"statistics,omitempty"`
}
