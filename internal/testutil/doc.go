// Package testutil holds loopback and fake-peer helpers shared by tests.
package testutil
