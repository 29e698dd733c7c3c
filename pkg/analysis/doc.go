// Package analysis implements the tabula pipeline: store an uploaded file
// under a new session, then answer natural-language queries against it by
// describing the file, generating a script, and running that script in the
// sandbox.
//
// Every method returns *api.APIError for failures the client should see.
// Script failures are not errors: they surface as outcome flags and stderr in
// the returned bundle.
package analysis
