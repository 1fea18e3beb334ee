package apprun

// Version is the version of the runtime stub and packaging tool. It is
// overridden at link time via -ldflags=-X.
var Version = "0.1.0"
