// Package config loads tunnelward configuration.
//
// # File Format
//
// YAML by default; files ending in .toml are read as TOML. Both use the
// same keys:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"   # gRPC health service, optional
//
//	database:
//	  path: "/var/lib/tunnelward/tunnelward.db"
//
//	auth:
//	  jwt_secret: "${TUNNELWARD_JWT_SECRET}"
//	  sso_secret: "${TUNNELWARD_SSO_SECRET}"
//	  session_ttl: "12h"
//
//	identity:
//	  admin_groups: ["vpn-admins"]
//
//	vpn:
//	  allowed_crypto_profiles: ["modern", "fips"]
//	  cert_validity: "24h"
//	  download_ttl: "1h"
//
//	ca:
//	  common_name: "Corp VPN CA"
//	  passphrase: "${TUNNELWARD_CA_PASSPHRASE}"
//
//	heartbeat:
//	  offline_after: "2m"
//
//	revocation:
//	  redis:
//	    addr: "localhost:6379"
//
//	propagation:
//	  enabled: true
//	  token: "${TUNNELWARD_AGENT_TOKEN}"
//
//	retention:
//	  purge_after: "2160h"   # unset disables the purge
//
// # Environment Variables
//
// ${VAR} anywhere in the file is replaced with the variable's value before
// parsing. Unset variables expand to the empty string.
//
// # Durations
//
// Duration keys take Go duration strings ("90s", "12h"). Each is stored raw
// in a *Raw field and parsed into the matching time.Duration.
package config
