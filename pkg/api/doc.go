// Package api defines the wire types shared by the tabula transports.
//
// The types in this package are what clients see: upload and analysis
// bundles, session metadata, and the structured error envelope. They carry
// no behavior beyond validation and ID handling and perform no I/O.
//
// Core types:
//   - [AnalyzeRequest]: a natural-language query against an uploaded file
//   - [AnalyzeResponse]: metadata, generated code, captured output, and outcome flags
//   - [SessionInfo]: the public view of a stored session
//   - [APIError]: structured error with type, code, param, and message
package api
