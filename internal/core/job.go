package core

// Input carries the payloads of a speech-to-video job.
// Either spelling of each payload is accepted; the *_b64 key wins when both are set.
// AudioKey and ImageKey name objects in the job bucket and are resolved into the
// base64 fields by the worker before the job is handled.
type Input struct {
	AudioB64 string  `json:"audio_b64,omitempty"`
	Audio    string  `json:"audio,omitempty"`
	AudioKey string  `json:"audio_key,omitempty"`
	ImageB64 string  `json:"image_b64,omitempty"`
	Image    string  `json:"image,omitempty"`
	ImageKey string  `json:"image_key,omitempty"`
	Prompt   string  `json:"prompt,omitempty"`
	Size     *string `json:"size,omitempty"`
}

// SizeOr returns the requested size, or def when the job has no size key. An
// explicit empty size is returned unchanged.
func (in Input) SizeOr(def string) string {
	if in.Size == nil {
		return def
	}

	return *in.Size
}

// HasStoredFiles reports whether the input refers to objects in the job bucket.
func (in Input) HasStoredFiles() bool {
	return in.AudioKey != "" || in.ImageKey != ""
}

// AudioPayload returns the audio payload, preferring audio_b64.
func (in Input) AudioPayload() string {
	if in.AudioB64 != "" {
		return in.AudioB64
	}

	return in.Audio
}

// ImagePayload returns the image payload, preferring image_b64.
func (in Input) ImagePayload() string {
	if in.ImageB64 != "" {
		return in.ImageB64
	}

	return in.Image
}

// Job is one unit of work as delivered by the queue.
type Job struct {
	ID    string `json:"id,omitempty"`
	Input Input  `json:"input"`
}

// Result is the payload returned for a job. Exactly one of VideoB64/VideoKey or
// Error is meaningful.
type Result struct {
	VideoB64 string `json:"video_b64,omitempty"`
	VideoKey string `json:"video_key,omitempty"`
	Filename string `json:"filename,omitempty"`
	Error    string `json:"error,omitempty"`

	// OutputPath is the local file the video was read from.
	OutputPath string `json:"-"`
}

// Failed reports whether the result carries a reported error.
func (r Result) Failed() bool {
	return r.Error != ""
}
