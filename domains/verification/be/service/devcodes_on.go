//go:build devcodes

package service

// Builds tagged devcodes accept Config.FixedCode so local stacks can skip real delivery.
const devCodesEnabled = true
