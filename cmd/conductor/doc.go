// Package main hosts the conductor CLI.
//
// Every command except daemon and config talks to a running conductord over
// its HTTP control API. The daemon address comes from --url or, when absent,
// from paths.api_bind in the loaded configuration.
package main
