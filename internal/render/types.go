package render

import (
	"encoding/json"
	"image"
	"strconv"

	"github.com/seantiz/easel/internal/model"
)

// Terminal message statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// tempImagePrefix is the HTTP path under which temp previews are served.
const tempImagePrefix = "/image/tmp/"

// ImageRecord is one image moving through the pipeline.
type ImageRecord struct {
	Image    image.Image
	Seed     int64
	Filtered bool
}

// TempImageRef points a client at a streamed preview.
type TempImageRef struct {
	Path string `json:"path"`
}

// ProgressEvent is emitted once per inference step. StepTime is the number
// of seconds since the previous step, or -1 on the first step.
type ProgressEvent struct {
	Step       int            `json:"step"`
	StepTime   float64        `json:"step_time"`
	TotalSteps int            `json:"total_steps"`
	Output     []TempImageRef `json:"output,omitempty"`
}

// ResponseImage is one encoded output image.
type ResponseImage struct {
	Data string `json:"data"`
	Seed int64  `json:"seed"`
}

// Response is the terminal success message of a render.
type Response struct {
	Status  string              `json:"status"`
	Stopped bool                `json:"stopped"`
	Request model.RenderRequest `json:"request"`
	Task    model.TaskData      `json:"task"`
	Output  []ResponseImage     `json:"output"`
}

// Failure is the terminal message of a render that returned an error.
type Failure struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// FailureMessage encodes err as a terminal failure message.
func FailureMessage(err error) []byte {
	data, _ := json.Marshal(Failure{Status: StatusFailed, Detail: err.Error()})
	return data
}

// TempImageKey is the key under which output index i of a request is kept
// in a Context's temp image map.
func TempImageKey(requestID string, i int) string {
	return requestID + "/" + strconv.Itoa(i)
}

// TempImagePath is the retrieval path of output index i of a request.
func TempImagePath(requestID string, i int) string {
	return tempImagePrefix + TempImageKey(requestID, i)
}
