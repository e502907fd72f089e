package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andrewlasiter/fda-tools-sub000/internal/audit"
	"github.com/andrewlasiter/fda-tools-sub000/internal/config"
	"github.com/andrewlasiter/fda-tools-sub000/internal/domain"
	"github.com/andrewlasiter/fda-tools-sub000/internal/engine"
	"github.com/andrewlasiter/fda-tools-sub000/internal/hitl"
	"github.com/andrewlasiter/fda-tools-sub000/internal/migrate"
	"github.com/andrewlasiter/fda-tools-sub000/internal/pipeline"
	"github.com/andrewlasiter/fda-tools-sub000/internal/server"
	"github.com/andrewlasiter/fda-tools-sub000/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "fdc",
	Short: "Submission compliance CLI",
	Long: `fdc drives a device-submission pipeline through its ordered stages,
requires qualified human approval at high-risk gates, and records every
state change in a tamper-evident, signed audit log.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := store.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FDC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(stagesCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(advanceCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(serveCmd())
}

func loadConfig(workspace string) (*config.Config, error) {
	return config.LoadOptional(filepath.Join(workspace, "fdc.yml"), "default")
}

// signingKey reads the process-wide HMAC key. Empty is allowed here; signing
// operations fail hard at sign time instead.
func signingKey() []byte {
	key := viper.GetString("signing-key")
	if key == "" {
		return nil
	}
	return []byte(key)
}

func withEngine(ctx context.Context, fn func(ctx context.Context, e engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := loadConfig(workspace)
	if err != nil {
		return err
	}
	conn, err := store.Open(store.DBConfig{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg, signingKey()))
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func newTable(header ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(header)
	return t
}

func stagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List pipeline stages, required agents and gates",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("json") {
				type row struct {
					Stage  domain.Stage       `json:"stage"`
					Agents []domain.AgentRole `json:"agents"`
					GateID string             `json:"gate_id,omitempty"`
				}
				var rows []row
				for _, stage := range domain.Stages {
					r := row{Stage: stage, Agents: pipeline.AgentsForStage(stage)}
					if next, ok := pipeline.NextStage(stage); ok {
						if gate, gated := hitl.GateForTransition(stage, next); gated {
							r.GateID = gate.ID
						}
					}
					rows = append(rows, r)
				}
				return printJSON(rows)
			}
			t := newTable("#", "STAGE", "PRIMARY AGENTS", "EXIT GATE")
			for i, stage := range domain.Stages {
				gateID := ""
				if next, ok := pipeline.NextStage(stage); ok {
					if gate, gated := hitl.GateForTransition(stage, next); gated {
						gateID = gate.ID
					}
				}
				t.AppendRow(table.Row{i + 1, stage, strings.Join(pipeline.PrimaryAgentIDs(stage), ", "), gateID})
			}
			t.Render()
			return nil
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage submission projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project at the CONCEPT stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				row, err := e.CreateProject(ctx, id, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(row)
				}
				fmt.Printf("created project %s (%s) at stage %s\n", row.ID, row.Name, domain.StageConcept)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.Store.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				t := newTable("ID", "NAME", "CREATOR", "CREATED")
				for _, r := range rows {
					t.AppendRow(table.Row{r.ID, r.Name, r.Creator, r.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project's derived stage and event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.LoadProject(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"id":            p.ID,
						"name":          p.Name,
						"creator":       p.Creator,
						"current_stage": p.CurrentStage(),
						"events":        p.Events(),
					})
				}
				fmt.Printf("%s (%s) at stage %s\n", p.ID, p.Name, p.CurrentStage())
				t := newTable("TS", "EVENT", "ACTOR", "FROM", "TO", "GATE", "AGENT")
				for _, ev := range p.Events() {
					t.AppendRow(table.Row{
						ev.Timestamp.Format(time.RFC3339), ev.Type, ev.ActorID,
						ev.FromStage, ev.ToStage, ev.GateID, ev.AgentID,
					})
				}
				t.Render()
				return nil
			})
		},
	}
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Record agent output"}
	var agentID, summary string
	record := &cobra.Command{
		Use:   "record",
		Short: "Record that an agent produced output for the current stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := viper.GetString("project")
			if projectID == "" {
				return fmt.Errorf("project id required; use --project")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.RecordAgentOutput(ctx, projectID, agentID, summary, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("recorded output from %s for stage %s\n", out.AgentID, out.Stage)
				return nil
			})
		},
	}
	record.Flags().StringVar(&agentID, "agent", "", "agent id")
	record.Flags().StringVar(&summary, "summary", "", "output summary")
	_ = record.MarkFlagRequired("agent")
	agent.AddCommand(record)
	return agent
}

func advanceCmd() *cobra.Command {
	var to, approvalID string
	var skipAgents bool
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Advance a project to the next stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := viper.GetString("project")
			if projectID == "" {
				return fmt.Errorf("project id required; use --project")
			}
			stage, err := domain.ParseStage(to)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := e.Advance(ctx, engine.AdvanceOptions{
					ProjectID:      projectID,
					To:             stage,
					ActorID:        viper.GetString("actor-id"),
					ApprovalID:     approvalID,
					SkipAgentCheck: skipAgents,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project_id": projectID, "current_stage": result})
				}
				fmt.Printf("project %s now at stage %s\n", projectID, result)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target stage")
	cmd.Flags().StringVar(&approvalID, "approval", "", "gate approval record id")
	cmd.Flags().BoolVar(&skipAgents, "skip-agent-check", false, "bypass the primary-agent precondition")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func gateCmd() *cobra.Command {
	gate := &cobra.Command{Use: "gate", Short: "Inspect and approve HITL gates"}
	gate.AddCommand(gateListCmd())
	gate.AddCommand(gateApproveCmd())
	return gate
}

func gateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List gate definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			gates := hitl.Gates()
			if viper.GetBool("json") {
				return printJSON(gates)
			}
			t := newTable("ID", "TRANSITION", "REVIEWERS", "REQUIRED ITEMS", "SLA", "ESCALATION")
			for _, g := range gates {
				t.AppendRow(table.Row{
					g.ID,
					fmt.Sprintf("%s -> %s", g.FromStage, g.ToStage),
					strings.Join(g.ReviewerRoles, ", "),
					strings.Join(g.RequiredItemIDs(), ", "),
					g.SLA, g.Escalation,
				})
			}
			t.Render()
			return nil
		},
	}
}

func gateApproveCmd() *cobra.Command {
	var gateID, status, role, comments, override string
	var checked []string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Record a reviewer decision for a gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := viper.GetString("project")
			if projectID == "" {
				return fmt.Errorf("project id required; use --project")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.ApproveGate(ctx, engine.ApproveGateOptions{
					GateID:         gateID,
					ProjectID:      projectID,
					Status:         domain.ApprovalStatus(status),
					ReviewerID:     viper.GetString("actor-id"),
					ReviewerRole:   role,
					CheckedItems:   checked,
					Comments:       comments,
					OverrideReason: override,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("approval %s recorded: gate %s %s by %s\n", rec.ID, rec.GateID, rec.Status, rec.ReviewerID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&gateID, "gate", "", "gate id")
	cmd.Flags().StringVar(&status, "status", string(domain.ApprovalApproved), "decision status")
	cmd.Flags().StringVar(&role, "role", "ra_lead", "reviewer role")
	cmd.Flags().StringSliceVar(&checked, "check", nil, "checklist item ids the reviewer checked")
	cmd.Flags().StringVar(&comments, "comments", "", "reviewer comments")
	cmd.Flags().StringVar(&override, "override-reason", "", "justification for approving with unchecked required items")
	_ = cmd.MarkFlagRequired("gate")
	return cmd
}

func auditCmd() *cobra.Command {
	auditRoot := &cobra.Command{Use: "audit", Short: "Inspect the audit log"}
	auditRoot.AddCommand(auditListCmd())
	auditRoot.AddCommand(auditVerifyCmd())
	auditRoot.AddCommand(auditExportCmd())
	return auditRoot
}

func auditListCmd() *cobra.Command {
	var action, recordType, userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				log, err := e.AuditLog(ctx)
				if err != nil {
					return err
				}
				records := log.Filter(audit.Query{
					UserID:     userID,
					Action:     audit.Action(action),
					RecordType: recordType,
				})
				if viper.GetBool("json") {
					return printJSON(records)
				}
				t := newTable("TS", "ACTION", "TYPE", "SUBJECT", "USER", "SIGNED")
				for _, r := range records {
					t.AppendRow(table.Row{
						r.Timestamp.Format(time.RFC3339), r.Action, r.RecordType,
						r.SubjectID, r.UserID, r.Signature != nil,
					})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "filter by action")
	cmd.Flags().StringVar(&recordType, "record-type", "", "filter by record type")
	cmd.Flags().StringVar(&userID, "user", "", "filter by user id")
	return cmd
}

func auditVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Run the integrity pass over the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				integrity, err := e.VerifyAudit(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(integrity)
				}
				tampered := 0
				for id, status := range integrity {
					if status == audit.IntegrityTampered {
						tampered++
						fmt.Printf("TAMPERED %s\n", id)
					}
				}
				fmt.Printf("%d records verified, %d tampered\n", len(integrity), tampered)
				return nil
			})
		},
	}
}

func auditExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the full audit log for inspection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				data, err := e.ExportAudit(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if out == "" {
					fmt.Println(string(data))
					return nil
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return err
				}
				fmt.Printf("exported audit log to %s\n", out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file (stdout when empty)")
	return cmd
}

func reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Generate the compliance report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Report(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				t := newTable("CONTROL", "STATUS", "EVIDENCE", "REMEDIATION")
				for _, f := range report.Findings {
					t.AppendRow(table.Row{f.ControlID, f.Status, f.Evidence, f.Remediation})
				}
				t.Render()
				if report.Passed() {
					fmt.Println("overall: PASS")
				} else {
					fmt.Println("overall: FAIL")
				}
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the compliance API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				if addr == "" {
					addr = "127.0.0.1:8931"
				}
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: e.Config.Server.BasePath,
					Auth:     server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")},
				})
				if err != nil {
					return err
				}
				fmt.Printf("listening on %s\n", addr)
				return http.ListenAndServe(addr, handler)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	return cmd
}
