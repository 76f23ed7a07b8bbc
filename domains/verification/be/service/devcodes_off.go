//go:build !devcodes

package service

const devCodesEnabled = false
