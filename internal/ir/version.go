package ir

// Version is the pretest release version reported by the CLI.
const Version = "0.1.0"
