package playground

// Version is the version of the playground core. This variable is overridden
// at build time in the pipeline using ldflags.
var Version = "0.0.0-dev"

// APIVersion identifies compatibility between the core and the transport
// layer that mounts it.
//
// Backwards-incompatible changes to the core contracts should result in a
// major version bump.
var APIVersion = "1.0"
