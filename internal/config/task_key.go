package config

// TaskKeyStruct names the background tasks of a session. The names appear in
// logs and metric labels.
type TaskKeyStruct struct {
	Clock     string
	Autosave  string
	Capture   string
	Channel   string
	Submitter string
	Sweeper   string
}

var TaskKey = &TaskKeyStruct{
	Clock:     "session_clock",
	Autosave:  "autosave",
	Capture:   "frame_capture",
	Channel:   "health_channel",
	Submitter: "submission",
	Sweeper:   "checkpoint_sweeper",
}
