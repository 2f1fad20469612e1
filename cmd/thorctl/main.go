// Command thorctl is the Thorium admin CLI: it drives the scaler's ban
// administration endpoints over HTTP (§4.3).
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var scalerAddr string

	root := &cobra.Command{
		Use:   "thorctl",
		Short: "Administer a running Thorium scaler",
	}
	root.PersistentFlags().StringVar(&scalerAddr, "addr", "http://localhost:8080", "scaler HTTP address")

	admin := &cobra.Command{Use: "admin", Short: "Ban administration"}

	var target, kind, msg, bannedImage string
	ban := &cobra.Command{
		Use:   "ban",
		Short: "Place a ban on an image or pipeline id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBan(scalerAddr, target, kind, msg, bannedImage)
		},
	}
	ban.Flags().StringVar(&target, "target", "", "image or pipeline id to ban")
	ban.Flags().StringVar(&kind, "kind", "generic", "ban kind: generic or banned_image")
	ban.Flags().StringVar(&msg, "msg", "", "human-readable ban reason")
	ban.Flags().StringVar(&bannedImage, "banned-image", "", "image id, for banned_image kind")
	_ = ban.MarkFlagRequired("target")

	var liftID, liftTarget string
	unban := &cobra.Command{
		Use:   "unban",
		Short: "Lift a ban by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnban(scalerAddr, liftID, liftTarget)
		},
	}
	unban.Flags().StringVar(&liftID, "id", "", "ban id to lift")
	unban.Flags().StringVar(&liftTarget, "target", "", "the ban's target id")
	_ = unban.MarkFlagRequired("id")
	_ = unban.MarkFlagRequired("target")

	var listTarget string
	list := &cobra.Command{
		Use:   "list",
		Short: "List bans currently attached to a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(scalerAddr, listTarget)
		},
	}
	list.Flags().StringVar(&listTarget, "target", "", "image or pipeline id")
	_ = list.MarkFlagRequired("target")

	admin.AddCommand(ban, unban, list)
	root.AddCommand(admin)
	return root
}

func runBan(addr, target, kind, msg, bannedImage string) error {
	body, err := json.Marshal(map[string]string{
		"target":       target,
		"kind":         kind,
		"msg":          msg,
		"banned_image": bannedImage,
	})
	if err != nil {
		return err
	}
	resp, err := http.Post(addr+"/bans", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request ban: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func runUnban(addr, id, target string) error {
	req, err := http.NewRequest(http.MethodDelete, addr+"/bans/"+id+"/"+target, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request unban: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unban rejected with status %d", resp.StatusCode)
	}
	fmt.Println("ban lifted")
	return nil
}

func runList(addr, target string) error {
	resp, err := http.Get(addr + "/bans/" + target)
	if err != nil {
		return fmt.Errorf("request ban list: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	if resp.StatusCode >= 300 {
		return fmt.Errorf("request rejected with status %d", resp.StatusCode)
	}
	_, err := io.Copy(os.Stdout, resp.Body)
	fmt.Println()
	return err
}
