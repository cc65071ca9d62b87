package common

// version is stamped by `go build -ldflags -X` (same for client and server)
var version string

func GetVersion() string {
	if len(version) == 0 {
		return "Unknown"
	}
	return version
}
