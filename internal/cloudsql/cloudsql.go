package cloudsql

import (
	"fmt"
	"net/url"
	"strings"
)

// SocketDir is where Cloud Run mounts Cloud SQL instance sockets.
const SocketDir = "/cloudsql"

// Connection types reported by Describe.
const (
	ConnectionDirect   = "direct"
	ConnectionCloudSQL = "cloud_sql"
	ConnectionNone     = "none"
)

// BuildDatabaseURL resolves the PostgreSQL connection string from the
// environment. DATABASE_URL wins; otherwise INSTANCE_CONNECTION_NAME with
// DB_USER, DB_PASSWORD and DB_NAME selects a Cloud SQL unix socket.
// It returns "" without error when neither is set.
func BuildDatabaseURL(getenv func(string) string) (string, error) {
	if dbURL := getenv("DATABASE_URL"); dbURL != "" {
		return dbURL, nil
	}

	instance := getenv("INSTANCE_CONNECTION_NAME")
	if instance == "" {
		return "", nil
	}

	dbUser := getenv("DB_USER")
	dbName := getenv("DB_NAME")
	if dbUser == "" || dbName == "" {
		return "", fmt.Errorf("DB_USER and DB_NAME must be set when using INSTANCE_CONNECTION_NAME")
	}

	socketPath := fmt.Sprintf("%s/%s", SocketDir, instance)
	if dbPassword := getenv("DB_PASSWORD"); dbPassword != "" {
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s sslmode=disable",
			socketPath, dbUser, dbPassword, dbName), nil
	}
	// IAM authentication needs no password.
	return fmt.Sprintf("host=%s user=%s dbname=%s sslmode=disable",
		socketPath, dbUser, dbName), nil
}

// Describe returns loggable connection details with the password removed.
func Describe(connStr string) map[string]string {
	switch {
	case connStr == "":
		return map[string]string{"connection_type": ConnectionNone}
	case strings.HasPrefix(connStr, "host="+SocketDir+"/"):
		return map[string]string{
			"connection_type": ConnectionCloudSQL,
			"dsn":             redactKeyValue(connStr),
		}
	default:
		return map[string]string{
			"connection_type": ConnectionDirect,
			"database_url":    Redact(connStr),
		}
	}
}

// Redact masks the password of a postgres:// URL.
func Redact(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil || u.User == nil {
		return redactKeyValue(connStr)
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "redacted")
	}
	return u.String()
}

// redactKeyValue masks password=... in a key/value DSN.
func redactKeyValue(dsn string) string {
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=***"
		}
	}
	return strings.Join(fields, " ")
}
