package gcp

import (
	"context"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

// FirebaseConfig points the Admin SDK at a project. Both fields are optional:
// on Cloud Run the metadata server supplies credentials and project.
type FirebaseConfig struct {
	CredentialsFile string // FIREBASE_CONFIG: service account JSON for local runs
	ProjectID       string // GCLOUD_PROJECT
}

// GetApp creates a Firebase App instance.
func GetApp(ctx context.Context, cfg FirebaseConfig) (*firebase.App, error) {
	var appConfig *firebase.Config
	if projectID := strings.TrimSpace(cfg.ProjectID); projectID != "" {
		appConfig = &firebase.Config{ProjectID: projectID}
	}

	var opts []option.ClientOption
	if path := strings.TrimSpace(cfg.CredentialsFile); path != "" {
		opts = append(opts, option.WithCredentialsFile(path))
	}

	return firebase.NewApp(ctx, appConfig, opts...)
}

// InitFirebaseAuth initializes the Firebase App and returns an Auth client used for
// ID-token verification and credential provisioning.
func InitFirebaseAuth(ctx context.Context, cfg FirebaseConfig) (*firebaseauth.Client, error) {
	app, err := GetApp(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app [%w]", err)
	}

	fbAuth, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase auth [%w]", err)
	}

	return fbAuth, nil
}
