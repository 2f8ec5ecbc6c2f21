// Package devhost maps friendly local domain names to services running on
// this machine and serves them over HTTPS with certificates from a local
// root CA.
//
// # Architecture
//
// Three components share a domain string as their join key:
//
//   - [HostRegistry] edits the OS hosts file. Entries it owns are marked by
//     a sentinel comment on the line directly below them; everything else
//     in the file is foreign and survives every rewrite byte for byte.
//   - [CertificateAuthority] keeps a self-signed RSA-4096 root and issues
//     RSA-2048 leaf certificates for single domains.
//   - [Router] terminates TLS for many domains on one port, choosing the
//     certificate from SNI, and reverse-proxies each request to the
//     domain's backend.
//
// The components do not import each other. [App] builds all three from a
// [Config] and runs the workflows that span them.
//
// # Hosts Entries
//
// A managed entry is two lines. Disabling comments out the data line and
// swaps the sentinel:
//
//	127.0.0.1 demo.local
//	# @devhost/active
//
//	# 127.0.0.1 demo.local
//	# @devhost/disabled
//
// Usage:
//
//	reg := devhost.NewHostRegistry("")
//	if err := reg.Add("demo.local", ""); err != nil {
//	    log.Fatal(err)
//	}
//
// # Certificates
//
//	ca := devhost.NewCertificateAuthority(dataDir)
//	if err := ca.Initialize(); err != nil {
//	    log.Fatal(err)
//	}
//	info, err := ca.Issue("demo.local")
//
// Signing goes through the [Signer] interface. [X509Signer] signs in
// process; [OpenSSLSigner] shells out to openssl.
//
// # Routing
//
//	router, err := devhost.NewRouter(devhost.NewRouteStore(dataDir))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	router.Register(devhost.Route{Domain: "demo.local", Target: "localhost:3000"})
//	router.Start("demo.local", info.CertPath, info.KeyPath)
//	defer router.StopAll(context.Background())
//
// Routes on the same port share one listener. Stopping the last route on a
// port closes the listener; open requests finish in the background. Routes
// are persisted to proxies.json and always load as stopped.
//
// # Errors
//
// Operations return [*Error] values. Test the kind with errors.Is:
//
//	if errors.Is(err, devhost.ErrListen) {
//	    // port in use
//	}
//
// # Observability
//
// [Metrics] exposes Prometheus collectors on a private registry. The
// [StatusServer] serves /healthz, /readyz, /metrics and read-only JSON
// views of routes, certificates and hosts entries on a loopback address.
package devhost
