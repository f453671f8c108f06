package env

import (
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// EnvFileVar names an explicit .env file that is tried before the defaults.
const EnvFileVar = "OCPP_ENV_FILE"

// Locations lists the .env files Initialize tries, in order.
func Locations() []string {
	// Get execution directory
	exPath, err := os.Executable()
	if err != nil {
		exPath = "."
	}
	exDir := filepath.Dir(exPath)

	var locations []string
	if explicit := os.Getenv(EnvFileVar); explicit != "" {
		locations = append(locations, explicit)
	}
	locations = append(locations,
		".env",                       // Current directory
		filepath.Join(exDir, ".env"), // Executable directory
		"/app/.env",                  // Docker container path
		"/etc/ocpp-csms/.env",        // System config path
	)
	if home, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(home, ".ocpp-csms.env"))
	}
	return locations
}

// Initialize loads environment variables from the first .env file found
// and returns its path, or "" when none was loaded. Variables already set
// in the process environment win.
func Initialize(logger *log.Logger) string {
	if logger == nil {
		logger = log.Default()
	}

	for _, location := range Locations() {
		if _, err := os.Stat(location); err != nil {
			continue
		}
		if err := godotenv.Load(location); err != nil {
			logger.Printf("Warning: could not load %s: %v", location, err)
			continue
		}
		logger.Printf("Loaded environment from %s", location)
		return location
	}

	// If no .env file found, try to load from .env.example if it exists
	if _, err := os.Stat(".env.example"); err == nil {
		if err := godotenv.Load(".env.example"); err == nil {
			logger.Printf("Loaded environment from .env.example")
			return ".env.example"
		}
	}

	// Note: if no .env file is found, the application will continue with
	// environment variables from the system, which is fine for Docker
	return ""
}
