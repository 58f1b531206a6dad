// Package consts defines application-wide constants.
package consts

import "time"

const (
	// DefaultHandlerTimeout is the default timeout for HTTP handlers.
	DefaultHandlerTimeout = 30 * time.Second
	// DefaultTaskTTL is the default time-to-live for finished tasks in the registry.
	DefaultTaskTTL = 7 * 24 * time.Hour
	// DefaultEventBuffer is the per-subscriber progress event buffer.
	DefaultEventBuffer = 64
	// SSEKeepAlive is the interval of comment frames on an idle event stream.
	SSEKeepAlive = 15 * time.Second
)

// HTTP response messages.
const (
	// RespInvalidRequestBody is returned when the request body is invalid.
	RespInvalidRequestBody = "invalid request body"
	// RespUnprocessableEntity is returned when the request cannot be processed.
	RespUnprocessableEntity = "unprocessable entity"
	// RespTaskCreated is returned when a task is created.
	RespTaskCreated = "task created"
	// RespTaskCreateFail is returned when a task cannot be created.
	RespTaskCreateFail = "task create failed"
	// RespTaskStarted is returned when a task pass is enqueued.
	RespTaskStarted = "task started"
	// RespTaskPaused is returned when a task is paused.
	RespTaskPaused = "task paused"
	// RespTaskResumed is returned when a task is resumed.
	RespTaskResumed = "task resumed"
	// RespTaskRetrying is returned when failed chunks are re-enqueued.
	RespTaskRetrying = "task retrying failed chunks"
	// RespTaskCancelled is returned when a task is cancelled.
	RespTaskCancelled = "task cancelled"
	// RespTaskControlFail is returned when a control operation is rejected.
	RespTaskControlFail = "task control failed"
	// RespTaskRetrieved is returned when a task is successfully retrieved.
	RespTaskRetrieved = "task retrieved"
	// RespTasksRetrieved is returned when tasks are successfully retrieved.
	RespTasksRetrieved = "tasks retrieved"
	// RespNoTasks is returned when there are no tasks available.
	RespNoTasks = "no tasks"
	// RespTaskNotFound is returned when a task is not found.
	RespTaskNotFound = "task not found"
	// RespTaskAlreadyExists is returned when a task already exists.
	RespTaskAlreadyExists = "task already exists"
	// RespCapabilitiesRetrieved is returned with the sink support matrix.
	RespCapabilitiesRetrieved = "capabilities retrieved"
	// RespStreamUnavailable is returned when no interception stream is registered.
	RespStreamUnavailable = "stream unavailable"
	// RespArtifactNotFound is returned when a task has no downloadable file.
	RespArtifactNotFound = "artifact not found"
	// RespReady is returned by the readiness probe.
	RespReady = "ready"
)
