// Package commands defines the companion CLI and wires dependencies for subcommands.
//
// Commands
//
//   - init         Create the local credentials
//   - fingerprint  Print the identity fingerprint
//   - connect      Log in and print incoming messages until interrupted
//   - send         Encrypt and send a message
//   - resolve      Resolve phone-number addresses to LIDs
//   - prekeys      Show or top up the server pre-key count
//   - keys get     Print raw records from the key store
//
// # Implementation
//
// The root command loads the configuration and builds the credential layer
// before any subcommand runs. Commands that touch the key store open it
// through app.Wire and close it on return.
package commands
