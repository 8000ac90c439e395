package cmd

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/lockbox"
	"southwinds.dev/lockbox/audit"
	"southwinds.dev/lockbox/internal/misc"
	"southwinds.dev/lockbox/persist"
)

var (
	cfgFile     string
	vaultPath   string
	passphrase  string
	namespace   string
	vault       *lockbox.Vault
	auditLogger audit.Logger
	cliContext  *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

var rootCmd = &cobra.Command{
	Use:   "lockbox",
	Short: "A policy-driven credential vault",
	Long: `A credential vault that stores entries encrypted under access policies,
resolves each policy against device capabilities, migrates legacy-format
entries transparently and rotates data keys without downtime.`,
	PersistentPreRunE: initializeVault,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if vault != nil {
			return vault.Close()
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.lockbox.yaml)")
	rootCmd.PersistentFlags().StringVarP(&vaultPath, "vault-path", "p", "", "path to vault storage")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "vault passphrase (or use LOCKBOX_PASSPHRASE env var)")
	rootCmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "vault namespace")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (filesystem, sqlite)")
	rootCmd.PersistentFlags().String("default-policy", "", "access policy used when none is given")

	bindFlagOrPanic("vault.path", "vault-path")
	bindFlagOrPanic("vault.passphrase", "passphrase")
	bindFlagOrPanic("vault.namespace", "namespace")
	bindFlagOrPanic("vault.store_type", "store-type")
	bindFlagOrPanic("vault.default_policy", "default-policy")

	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.options.file_path", "audit-file")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".lockbox")
	}

	viper.SetEnvPrefix("LOCKBOX")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	}
}

func setDefaults() {
	viper.SetDefault("vault.path", ".lockbox")
	viper.SetDefault("vault.namespace", "default")
	viper.SetDefault("vault.store_type", "filesystem")
	viper.SetDefault("vault.default_policy", string(lockbox.PolicyNone))

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.options.file_path", "audit.log")

	viper.SetDefault("rotation.enabled", true)
	viper.SetDefault("rotation.interval", "720h")
	viper.SetDefault("rotation.max_key_versions", 3)
}

func initializeVault(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
		return nil
	}
	if cmd.Parent() != nil && cmd.Parent().Name() == "config" {
		return nil
	}

	vaultPath = viper.GetString("vault.path")
	namespace = viper.GetString("vault.namespace")

	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(vaultPath, "audit.log"))
	}

	passphrase = viper.GetString("vault.passphrase")
	if passphrase == "" {
		passphrase = os.Getenv("LOCKBOX_PASSPHRASE")
	}
	if passphrase == "" {
		return fmt.Errorf("vault passphrase is required. Use --passphrase flag or LOCKBOX_PASSPHRASE environment variable")
	}

	if err := os.MkdirAll(vaultPath, 0700); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	_ = auditLogger.Log("CLI_COMMAND", true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"flags":      sanitizeFlags(cmd),
		"session_id": cliContext.SessionID,
		"user_id":    cliContext.UserID,
		"source":     cliContext.Source,
	})

	store, err := createStore()
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	salt, err := loadOrCreateSalt(filepath.Join(vaultPath, "salt"))
	if err != nil {
		return fmt.Errorf("failed to set up derivation salt: %w", err)
	}

	keys, err := lockbox.NewSoftwareKeyStore(passphrase, salt)
	if err != nil {
		return fmt.Errorf("failed to open keystore: %w", err)
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	rotation := rotationPolicyFromConfig()
	vault, err = lockbox.New(lockbox.Options{
		Namespace:        namespace,
		DefaultPolicy:    lockbox.AccessPolicy(viper.GetString("vault.default_policy")),
		Rotation:         &rotation,
		EnableMemoryLock: true,
		Logger:           &logger,
		UserID:           cliContext.UserID,
	}, store, keys, nil, auditLogger)
	if err != nil {
		return fmt.Errorf("failed to open vault: %w", err)
	}

	return nil
}

func createStore() (persist.Store, error) {
	storeType := viper.GetString("vault.store_type")
	switch persist.StoreType(storeType) {
	case persist.StoreTypeFileSystem:
		return persist.NewStore(persist.StoreConfig{
			Type:   persist.StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": vaultPath},
		}, namespace)
	case persist.StoreTypeSQLite:
		return persist.NewStore(persist.StoreConfig{
			Type:   persist.StoreTypeSQLite,
			Config: map[string]interface{}{"path": filepath.Join(vaultPath, "lockbox.db")},
		}, namespace)
	default:
		return nil, fmt.Errorf("unknown store type: %s", storeType)
	}
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled:   viper.GetBool("audit.enabled"),
		Namespace: namespace,
		Type:      audit.FileAuditType,
		Options: map[string]interface{}{
			"file_path": viper.GetString("audit.options.file_path"),
		},
	})
}

func rotationPolicyFromConfig() lockbox.RotationPolicy {
	policy := lockbox.DefaultRotationPolicy()
	policy.Enabled = viper.GetBool("rotation.enabled")
	if interval := viper.GetDuration("rotation.interval"); interval > 0 {
		policy.Interval = interval
	}
	if max := viper.GetInt("rotation.max_key_versions"); max > 0 {
		policy.MaxKeyVersions = max
	}
	return policy
}

// loadOrCreateSalt keeps the derivation salt stable across runs. Losing the
// salt makes every stored entry undecryptable.
func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil && len(salt) >= misc.SaltSize {
		return salt, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	salt = make([]byte, misc.SaltSize)
	if _, err = rand.Read(salt); err != nil {
		return nil, err
	}
	if err = os.WriteFile(path, salt, misc.FilePermissions); err != nil {
		return nil, err
	}
	return salt, nil
}
