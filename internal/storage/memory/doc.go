// Package memory provides in-memory storage for TokenVault.
//
// Each store guards its primary map and every secondary index with a
// single store-wide mutex, so a mutation lands in all structures as
// one atomic unit. Expired records linger physically until a sweep or
// an overwriting mutation removes them; reads are lazy about expiry
// and leave liveness decisions to the caller.
package memory
