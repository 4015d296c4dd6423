package api

import (
	"fmt"
)

// ResultCode is the numeric outcome carried by every dispatcher response.
type ResultCode uint32

// Dispatcher result codes.
const (
	Success ResultCode = 0

	Failure                ResultCode = 0x80000001
	InternalProtocolError  ResultCode = 0x80000002
	Timeout                ResultCode = 0x80000003
	OperationCancelled     ResultCode = 0x80000004
	Unimplemented          ResultCode = 0x80000005
	UnrecognizedRequest    ResultCode = 0x80000006
	InvalidArgument        ResultCode = 0x80000007
	ShutdownInProgress     ResultCode = 0x80000008
	ConnectionLost         ResultCode = 0x80000009
	UnexpectedResponseType ResultCode = 0x8000000a
	OperationFailed        ResultCode = 0x8000000b

	AuthenticationFailed   ResultCode = 0x80000100
	NotAuthorized          ResultCode = 0x80000101
	WrongSessionUUID       ResultCode = 0x80000102
	AlreadyAuthorized      ResultCode = 0x80000103
	PublicKeyNotAuthorized ResultCode = 0x80000104

	MigrationInProgress ResultCode = 0x80000200
	PreconditionsFailed ResultCode = 0x80000201
	NoDiskSpace         ResultCode = 0x80000202
	CPUIncompatible     ResultCode = 0x80000203
	StorageUnreachable  ResultCode = 0x80000204
	VMNotFound          ResultCode = 0x80000205
	VMAlreadyExists     ResultCode = 0x80000206
	StartTimeout        ResultCode = 0x80000207
	CouldntDetachTarget ResultCode = 0x80000208

	FileExists          ResultCode = 0x80000300
	FileCopyProtocol    ResultCode = 0x80000301
	FileNotFound        ResultCode = 0x80000302
	FileAccessDenied    ResultCode = 0x80000303
	UnsupportedPlatform ResultCode = 0x80000304

	TargetExists        ResultCode = 0x80000400
	TemplateNotFound    ResultCode = 0x80000401
	UnsupportedFeature  ResultCode = 0x80000402
	ExternalProcessInCT ResultCode = 0x80000403
)

// ResultCodeNames associates a result code to its description.
var ResultCodeNames = map[ResultCode]string{
	Success:                "Success",
	Failure:                "Failure",
	InternalProtocolError:  "Internal protocol error",
	Timeout:                "Timeout",
	OperationCancelled:     "Operation was cancelled",
	Unimplemented:          "Unimplemented",
	UnrecognizedRequest:    "Unrecognized request",
	InvalidArgument:        "Invalid argument",
	ShutdownInProgress:     "Dispatcher shutdown is in progress",
	ConnectionLost:         "Connection lost",
	UnexpectedResponseType: "Unexpected response type",
	OperationFailed:        "Operation failed",
	AuthenticationFailed:   "Authentication failed",
	NotAuthorized:          "Not authorized",
	WrongSessionUUID:       "Wrong user session UUID",
	AlreadyAuthorized:      "Session already authorized",
	PublicKeyNotAuthorized: "Public key not authorized",
	MigrationInProgress:    "Migration already in progress",
	PreconditionsFailed:    "Migration preconditions check failed",
	NoDiskSpace:            "Not enough disk space",
	CPUIncompatible:        "CPU is incompatible",
	StorageUnreachable:     "Storage is unreachable",
	VMNotFound:             "Virtual machine not found",
	VMAlreadyExists:        "Virtual machine already exists",
	StartTimeout:           "Timed out waiting for migration start",
	CouldntDetachTarget:    "Couldn't detach target connection",
	FileExists:             "File already exists",
	FileCopyProtocol:       "File copy protocol error",
	FileNotFound:           "File not found",
	FileAccessDenied:       "File access denied",
	UnsupportedPlatform:    "Unsupported platform",
	TargetExists:           "Target container already exists",
	TemplateNotFound:       "Template not found",
	UnsupportedFeature:     "Unsupported feature",
	ExternalProcessInCT:    "External process is running inside the container",
}

// String returns a suitable string representation for the result code.
func (c ResultCode) String() string {
	name, ok := ResultCodeNames[c]
	if !ok {
		return fmt.Sprintf("Result %#x", uint32(c))
	}

	return name
}

// Failed returns true for every code except Success.
func (c ResultCode) Failed() bool {
	return c != Success
}

// Hex returns the numeric code as logged by the dispatcher.
func (c ResultCode) Hex() string {
	return fmt.Sprintf("%#x", uint32(c))
}
