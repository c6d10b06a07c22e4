// Package mtls establishes and authorizes mutual-TLS sessions from named
// configuration profiles.
//
// A ServerManager listens on a profile's addresses and admits only clients
// whose certificate fingerprint is on the profile's allow-list; the check
// happens after the handshake, so possession of any valid key pair is not
// enough. A ClientManager dials a profile's server and verifies the server
// certificate against a pinned certificate and an expected hostname, with a
// distinct error for each failure. A Registry collects the managers built
// from one configuration document and starts and stops them as a group.
package mtls
