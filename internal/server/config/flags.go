package config

import (
	"flag"
	"os"

	"github.com/coachdesk/filevault/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   PostgreSQL DSN
//	-f string   storage base directory
//	-q string   quarantine directory
//	-a string   scanning daemon address (host:port)
//	-m int      maximum upload size, bytes
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-n int      maximum retained versions per object
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components. Table-valued
// options (MIME map, thumbnail sizes, blocked extensions) are JSON-file only.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-f", "-q", "-a", "-m", "-u", "-p", "-b", "-g", "-e", "-n"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.StorageDir, "f", config.StorageDir, "storage base directory")
	fs.StringVar(&config.QuarantineDir, "q", config.QuarantineDir, "quarantine directory")
	fs.StringVar(&config.ScannerAddr, "a", config.ScannerAddr, "scanning daemon address")
	fs.Int64Var(&config.MaxFileSize, "m", config.MaxFileSize, "maximum upload size (bytes)")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	fs.IntVar(&config.MaxVersions, "n", config.MaxVersions, "maximum retained versions per object")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
