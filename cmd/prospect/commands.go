package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/crm-prospector/internal/client"
	"github.com/crm-prospector/internal/models"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
)

func newClient(cmd *cli.Command) *client.Client {
	return client.New(cmd.String("server"), client.WithIdentity(cmd.String("tenant"), cmd.String("user")))
}

func out(cmd *cli.Command) io.Writer {
	return cmd.Root().Writer
}

func requireArg(cmd *cli.Command, name string) (string, error) {
	arg := strings.TrimSpace(cmd.Args().First())
	if arg == "" {
		return "", fmt.Errorf("missing <%s> argument", name)
	}
	return arg, nil
}

// requestFromFlags builds a prospect request from the shared request flags
func requestFromFlags(cmd *cli.Command) (*models.ProspectRequest, error) {
	filters, err := parseFilters(cmd.StringSlice("filter"))
	if err != nil {
		return nil, err
	}
	return &models.ProspectRequest{
		Prompt:    cmd.String("prompt"),
		Size:      cmd.Int("size"),
		Providers: cmd.StringSlice("provider"),
		Filters:   filters,
	}, nil
}

// parseFilters turns key=value pairs into a filter object. Numeric and
// boolean values keep their type.
func parseFilters(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	filters := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid filter %q, want key=value", pair)
		}
		value = strings.TrimSpace(value)
		if n, err := strconv.ParseFloat(value, 64); err == nil {
			filters[key] = n
		} else if b, err := strconv.ParseBool(value); err == nil {
			filters[key] = b
		} else {
			filters[key] = value
		}
	}
	return filters, nil
}

func createAction(ctx context.Context, cmd *cli.Command) error {
	req, err := requestFromFlags(cmd)
	if err != nil {
		return err
	}
	job, err := newClient(cmd).CreateJob(ctx, req)
	if err != nil {
		return err
	}
	return printJob(cmd, job)
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	id, err := requireArg(cmd, "job-id")
	if err != nil {
		return err
	}
	job, err := newClient(cmd).GetJob(ctx, id)
	if err != nil {
		return err
	}
	return printJob(cmd, job)
}

func eventsAction(ctx context.Context, cmd *cli.Command) error {
	id, err := requireArg(cmd, "job-id")
	if err != nil {
		return err
	}
	c := newClient(cmd)

	if cmd.Bool("follow") {
		job, err := c.WaitForJob(ctx, id, &client.WaitOptions{
			OnEvent: func(ev *models.Event) { printEvent(out(cmd), ev) },
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out(cmd), "job %s %s\n", job.ID, job.Status)
		return nil
	}

	var since *time.Time
	if raw := cmd.String("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		since = &t
	}
	events, err := c.ListEvents(ctx, id, since)
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return printJSON(out(cmd), events)
	}
	for _, ev := range events {
		printEvent(out(cmd), ev)
	}
	return nil
}

func itemsAction(ctx context.Context, cmd *cli.Command) error {
	id, err := requireArg(cmd, "import-id")
	if err != nil {
		return err
	}
	page, err := newClient(cmd).GetImportItems(ctx, id, cmd.Int("limit"), cmd.Int("offset"))
	if err != nil {
		return err
	}
	return printPage(cmd, page)
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	req, err := requestFromFlags(cmd)
	if err != nil {
		return err
	}
	c := newClient(cmd)

	job, err := c.CreateJob(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out(cmd), "job %s queued\n", job.ID)

	job, err = c.WaitForJob(ctx, job.ID, &client.WaitOptions{
		OnEvent: func(ev *models.Event) { printEvent(out(cmd), ev) },
	})
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusCompleted || job.ResultSetID == nil {
		return fmt.Errorf("job %s %s", job.ID, job.Status)
	}

	page, err := c.GetImportItems(ctx, *job.ResultSetID, 0, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(out(cmd), "import %s: %d leads\n", *job.ResultSetID, page.Total)
	return printPage(cmd, page)
}

func printJob(cmd *cli.Command, job *models.Job) error {
	if cmd.Bool("json") {
		return printJSON(out(cmd), job)
	}
	resultSet := "-"
	if job.ResultSetID != nil {
		resultSet = *job.ResultSetID
	}

	table := tablewriter.NewWriter(out(cmd))
	table.Header("Job ID", "Status", "Import", "Created At", "Updated At")
	if err := table.Append(
		job.ID,
		string(job.Status),
		resultSet,
		job.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		job.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
	); err != nil {
		return err
	}
	return table.Render()
}

func printEvent(w io.Writer, ev *models.Event) {
	fmt.Fprintf(w, "[%s] %-7s %s\n", ev.Timestamp.Local().Format("15:04:05.000"), strings.ToUpper(string(ev.Level)), ev.Message)
}

func printPage(cmd *cli.Command, page *models.ResultSetPage) error {
	if cmd.Bool("json") {
		return printJSON(out(cmd), page)
	}

	table := tablewriter.NewWriter(out(cmd))
	table.Header("#", "Name", "Title", "Company", "Email", "Country", "Score")
	for i, lead := range page.Items {
		if err := table.Append(
			strconv.Itoa(page.Offset+i+1),
			lead.Name,
			lead.Title,
			lead.Company,
			lead.Email,
			lead.Country,
			strconv.Itoa(lead.Score),
		); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintf(out(cmd), "showing %d-%d of %d\n", min(page.Offset+1, page.Total), min(page.Offset+len(page.Items), page.Total), page.Total)
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
