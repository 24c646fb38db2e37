package command

// Result is the JSON payload sent back to the relay. Only the sections that
// apply to the command kind are set; nil sections are omitted on the wire.
type Result struct {
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
	*Report
	*ExecOutput
}

// Report is the body of a status reply.
type Report struct {
	Restarts        int    `json:"restarts"`
	RendererRunning bool   `json:"renderer_running"`
	NodeName        string `json:"node_name"`
	ComputerName    string `json:"computer_name"`
	Timestamp       string `json:"timestamp"`
}

// ExecOutput is the captured outcome of an execute command.
type ExecOutput struct {
	ReturnCode int    `json:"returncode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Command    string `json:"command"`
}

// ErrorResult is a result carrying only an error message.
func ErrorResult(msg string) Result { return Result{Error: msg} }

// Failed reports whether the result carries an error.
func (r Result) Failed() bool { return r.Error != "" }
