package crunchmesh

import (
	"context"
	"crypto/tls"
	"fmt"
	nhttp "net/http"
	"sort"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	json "github.com/nikkolasg/hexjson"
	"github.com/urfave/cli/v2"

	"github.com/crunchmesh/crunchmesh/core"
	dhttp "github.com/crunchmesh/crunchmesh/http"
)

// refreshRate of the submit --wait spinner.
const refreshRate = 100 * time.Millisecond

// pollInterval between job state reads while waiting on a result.
const pollInterval = 500 * time.Millisecond

func apiClient(c *cli.Context) *dhttp.Client {
	var transport nhttp.RoundTripper
	if c.Bool(insecureAPIFlag.Name) {
		transport = &nhttp.Transport{
			//nolint:gosec // flag-gated escape hatch for self-signed local APIs
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return dhttp.NewClient(c.String(apiFlag.Name), transport)
}

func printJSON(v interface{}) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(output, string(buf))
	return nil
}

func getStatusCmd(c *cli.Context) error {
	status, err := apiClient(c).Status(c.Context)
	if err != nil {
		return err
	}
	if c.Bool(jsonFlag.Name) {
		return printJSON(status)
	}
	fmt.Fprintf(output, "node %s (%s) on mesh %q\n", status.NodeID, status.Name, status.MeshID)
	fmt.Fprintf(output, "  uptime:       %s\n", time.Duration(status.UptimeSeconds*float64(time.Second)).Truncate(time.Second))
	fmt.Fprintf(output, "  peers:        %d\n", status.Peers)
	fmt.Fprintf(output, "  capabilities: %s\n", strings.Join(status.Capabilities, ", "))
	fmt.Fprintf(output, "  running jobs: %d\n", status.RunningJobs)
	fmt.Fprintf(output, "  balance:      %.2f (staked %.2f)\n", status.Balance, status.Staked)
	fmt.Fprintf(output, "  trust:        %.3f\n", status.Trust)
	return nil
}

func getPeersCmd(c *cli.Context) error {
	peers, err := apiClient(c).Peers(c.Context)
	if err != nil {
		return err
	}
	if c.Bool(jsonFlag.Name) {
		return printJSON(peers)
	}
	fmt.Fprintf(output, "%d peer(s)\n", peers.Count)
	sort.Slice(peers.Peers, func(i, j int) bool { return peers.Peers[i].NodeID < peers.Peers[j].NodeID })
	for _, p := range peers.Peers {
		state := ""
		if p.Blacklisted {
			state = " [blacklisted]"
		}
		fmt.Fprintf(output, "  %s  %s:%d  trust=%.3f balance=%.2f%s\n",
			p.NodeID, p.IP, p.Port, p.TrustScore, p.TokenBalance, state)
	}
	return nil
}

func getWalletCmd(c *cli.Context) error {
	snap, err := apiClient(c).Wallet(c.Context)
	if err != nil {
		return err
	}
	if c.Bool(jsonFlag.Name) {
		return printJSON(snap)
	}
	fmt.Fprintf(output, "wallet of %s\n", snap.NodeID)
	fmt.Fprintf(output, "  balance: %.2f\n", snap.Balance)
	fmt.Fprintf(output, "  staked:  %.2f in %d job(s)\n", snap.Staked, len(snap.Stakes))
	fmt.Fprintf(output, "  lifetime: %.2f deposited, %.2f withdrawn, %.2f slashed\n",
		snap.Deposits, snap.Withdrawals, snap.Slashed)
	fmt.Fprintf(output, "  ledger entries: %d\n", snap.Entries)
	return nil
}

func getTransactionsCmd(c *cli.Context) error {
	entries, err := apiClient(c).Transactions(c.Context)
	if err != nil {
		return err
	}
	if c.Bool(jsonFlag.Name) {
		return printJSON(entries)
	}
	for _, e := range entries {
		job := ""
		if e.JobID != "" {
			job = " job=" + e.JobID
		}
		fmt.Fprintf(output, "%s  %-8s %8.2f  balance=%.2f staked=%.2f  %s%s\n",
			time.Unix(int64(e.Timestamp), 0).UTC().Format(time.RFC3339),
			e.Kind, e.Amount, e.Balance, e.Staked, e.Reason, job)
	}
	return nil
}

func getAuctionsCmd(c *cli.Context) error {
	standings, err := apiClient(c).Auctions(c.Context)
	if err != nil {
		return err
	}
	if c.Bool(jsonFlag.Name) {
		return printJSON(standings)
	}
	if len(standings) == 0 {
		fmt.Fprintln(output, "no live auctions")
		return nil
	}
	for _, s := range standings {
		fmt.Fprintf(output, "%s  phase=%s bids=%d my_score=%.4f coordinator=%s\n",
			s.JobID, s.Phase, s.Bids, s.MyScore, s.Coordinator)
	}
	return nil
}

func getReputationCmd(c *cli.Context) error {
	snap, err := apiClient(c).Reputation(c.Context)
	if err != nil {
		return err
	}
	if c.Bool(jsonFlag.Name) {
		return printJSON(snap)
	}
	fmt.Fprintf(output, "own trust: %.3f\n", snap.Trust)
	ids := make([]string, 0, len(snap.Peers))
	for id := range snap.Peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := snap.Peers[id]
		state := ""
		if p.Quarantined {
			state = fmt.Sprintf(" [quarantined, %d rehab success(es)]", p.Successes)
		}
		fmt.Fprintf(output, "  %s  trust=%.3f%s\n", id, p.Trust, state)
	}
	return nil
}

func getJobCmd(c *cli.Context) error {
	if !c.Args().Present() {
		return fmt.Errorf("missing job id argument")
	}
	job, err := apiClient(c).Job(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	if c.Bool(jsonFlag.Name) {
		return printJSON(job)
	}
	printJob(job)
	return nil
}

func printJob(job *dhttp.JobResponse) {
	fmt.Fprintf(output, "job %s: %s\n", job.JobID, job.Status)
	if job.Job != nil {
		fmt.Fprintf(output, "  type=%s payment=%.2f deadline=%s\n", job.Job.JobType,
			job.Job.Payment, time.Unix(int64(job.Job.Deadline), 0).UTC().Format(time.RFC3339))
	}
	if job.Result != nil {
		fmt.Fprintf(output, "  result: %s in %.2fs\n", job.Result.Status, job.Result.Duration)
		if job.Result.Error != "" {
			fmt.Fprintf(output, "  error: %s\n", job.Result.Error)
		}
		if job.Result.Output != nil {
			if buf, err := json.MarshalIndent(job.Result.Output, "  ", "  "); err == nil {
				fmt.Fprintf(output, "  output: %s\n", string(buf))
			}
		}
	}
}

func submitCmd(c *cli.Context) error {
	req := &dhttp.SubmitRequest{
		JobType:         c.String(typeFlag.Name),
		Payment:         c.Float64(paymentFlag.Name),
		Priority:        c.Float64(priorityFlag.Name),
		DeadlineSeconds: c.Float64(deadlineFlag.Name),
		Requirements:    c.StringSlice(requirementFlag.Name),
		Confidential:    c.Bool(confidentialFlag.Name),
	}
	if raw := c.String(payloadFlag.Name); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Payload); err != nil {
			return fmt.Errorf("payload is not a JSON object: %w", err)
		}
	}
	client := apiClient(c)
	resp, err := client.Submit(c.Context, req)
	if err != nil {
		return err
	}
	if !c.Bool(waitFlag.Name) {
		if c.Bool(jsonFlag.Name) {
			return printJSON(resp)
		}
		fmt.Fprintf(output, "submitted job %s\n", resp.JobID)
		return nil
	}
	return waitForResult(c, client, resp.JobID)
}

// waitForResult polls the job until a result arrives or the context ends,
// spinning on the terminal with the last observed auction state.
func waitForResult(c *cli.Context, client *dhttp.Client, jobID string) error {
	s := spinner.New(spinner.CharSets[9], refreshRate)
	s.Suffix = fmt.Sprintf("  job %s submitted - waiting on the auction...", jobID)
	s.FinalMSG = "\n"
	s.Start()
	defer s.Stop()

	deadline := time.Duration(c.Float64(deadlineFlag.Name) * float64(time.Second))
	if deadline <= 0 {
		deadline = core.DefaultJobDeadline
	}
	// submission + auction + grace, with slack for settlement gossip
	ctx, cancel := context.WithTimeout(c.Context, deadline+30*time.Second)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting on job %s: %w", jobID, ctx.Err())
		case <-time.After(pollInterval):
		}
		job, err := client.Job(ctx, jobID)
		if err != nil {
			// the node may not track the job yet right after submission
			continue
		}
		s.Suffix = fmt.Sprintf("  job %s - %s...", jobID, job.Status)
		if job.Result == nil {
			continue
		}
		s.Stop()
		if c.Bool(jsonFlag.Name) {
			return printJSON(job)
		}
		printJob(job)
		return nil
	}
}

func checkCmd(c *cli.Context) error {
	if !c.Args().Present() {
		return fmt.Errorf("missing API addresses to check")
	}
	var failed []string
	for _, addr := range c.Args().Slice() {
		var transport nhttp.RoundTripper
		if c.Bool(insecureAPIFlag.Name) {
			transport = &nhttp.Transport{
				//nolint:gosec // flag-gated escape hatch for self-signed local APIs
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}
		}
		client := dhttp.NewClient(addr, transport)
		if err := client.Ping(c.Context); err != nil {
			fmt.Fprintf(output, "crunchmesh: error checking %s: %v\n", addr, err)
			failed = append(failed, addr)
			continue
		}
		if c.Bool(verboseFlag.Name) {
			if status, err := client.Status(c.Context); err == nil {
				fmt.Fprintf(output, "crunchmesh: %s answers as node %s with %d peer(s)\n",
					addr, status.NodeID, status.Peers)
				continue
			}
		}
		fmt.Fprintf(output, "crunchmesh: %s answers\n", addr)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d node(s) not reachable: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}
