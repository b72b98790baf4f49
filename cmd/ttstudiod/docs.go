package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           TT Studio control plane API
// @version         1.0
// @description     Deploys Tenstorrent model containers, tracks their lifecycle and proxies inference.
//
// @license.name   Apache-2.0
// @license.url    https://www.apache.org/licenses/LICENSE-2.0
//
// @BasePath  /
//
// @schemes http
