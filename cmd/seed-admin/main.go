// seed-admin creates or updates an Admin user in the identity directory and
// prints a bearer token for it.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-admin -email=ops@corp.example
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/recoveries_backend/config"
	"github.com/mmdatafocus/recoveries_backend/models"
	"github.com/mmdatafocus/recoveries_backend/utils"
)

func main() {
	email := flag.String("email", "", "Required: login email of the admin")
	displayName := flag.String("display-name", "", "Name written to audit entries (defaults to email)")
	migrate := flag.Bool("migrate", false, "Run AutoMigrate before seeding")
	flag.Parse()

	if strings.TrimSpace(*email) == "" {
		fmt.Fprintln(os.Stderr, "--email is required")
		os.Exit(1)
	}

	ctx := context.Background()
	db := config.ConnectDatabaseWithRetry()
	if *migrate {
		if err := models.MigrateTable(db); err != nil {
			fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
			os.Exit(1)
		}
	}

	user, err := models.NewUserDirectory(db).Upsert(ctx, &models.NewUser{
		Email:       *email,
		DisplayName: *displayName,
		Roles:       []string{models.RoleAdmin},
		IsActive:    utils.NewTrue(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to upsert admin user: %v\n", err)
		os.Exit(1)
	}

	// cached actors would keep the old roles until they expire
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	redisStore := config.ConnectRedisWithRetry(rctx)
	if err := models.NewCachedIdentityProvider(nil, redisStore, 0).Forget(ctx, user.Email); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not drop cached actor: %v\n", err)
	}
	_ = redisStore.Close()

	token, err := utils.JwtGenerate(user.Email)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Admin user ready: email=%q id=%d\n", user.Email, user.ID)
	fmt.Println(token)
}
