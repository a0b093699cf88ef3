/*
Package dbtest spins up database containers for tests. It wraps the
testcontainers-go library with the defaults our container-backed tests share,
so individual tests don't repeat the boilerplate.

Use this package whenever a test needs a database and the container's details
don't matter. Tests that need a customised database should call the
testcontainers-go modules directly instead of growing options here.

When developing locally with Docker, it can help to inspect the database after
a test failure. Pass the inspect flag to keep the container running:

	go test -dbtest.inspect

This package is for tests only; never import it from production code.
*/
package dbtest
