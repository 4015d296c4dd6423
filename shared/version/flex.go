package version

// Version contains the dispatcher version number.
var Version = "7.0.1"

// UserAgent contains a string suitable as a user-agent.
var UserAgent = "vzdispatch " + Version

// APIVersion contains the API base version. Only bumped for backward incompatible changes.
var APIVersion = "1.0"

// FileCopyProtocolVersion is the version announced in the first file copy request.
var FileCopyProtocolVersion = "1"
