// Package ssh runs a one-shot, non-interactive SSH command over a connection
// the caller already owns.
//
// It is the in-process counterpart of
//
//	ssh -o BatchMode=yes -o StrictHostKeyChecking=no <host> <command>
//
// with the proxied client socket as transport: only key-based methods are
// offered (no prompts), and unknown host keys are recorded on first use.
// Unlike a normal client, [Probe] never closes the transport; it hands it
// back to the caller once the SSH session is torn down.
package ssh
