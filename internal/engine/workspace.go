package engine

// Workspace is the working directory owned by one in-flight cycle.
// It is handed to the build executor after the candidate was merged and
// released, left on disk, when the cycle ends.
type Workspace struct {
	Dir     string
	Project string

	// Branch is the integration branch checked out in Dir.
	Branch string
}
