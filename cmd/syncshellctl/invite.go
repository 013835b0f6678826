package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"syncshell-mesh/internal/envelope"
	"syncshell-mesh/internal/identity"
)

func groupFromFlags(cmd *cobra.Command) (*identity.Group, error) {
	name, _ := cmd.Flags().GetString("group-name")
	secretHex, _ := cmd.Flags().GetString("secret")
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("decode --secret as hex: %w", err)
	}
	return identity.DeriveGroup(name, secret)
}

func inviteGenerate(cmd *cobra.Command, _ []string) error {
	group, err := groupFromFlags(cmd)
	if err != nil {
		return err
	}
	kindStr, _ := cmd.Flags().GetString("kind")
	sdp, _ := cmd.Flags().GetString("sdp")
	relay, _ := cmd.Flags().GetString("relay")
	answerChannel, _ := cmd.Flags().GetString("answer-channel")
	bootstrapHint, _ := cmd.Flags().GetString("bootstrap-hint")

	payload := envelope.Payload{
		GroupID:       group.ID,
		Kind:          envelope.Kind(kindStr),
		SDP:           sdp,
		AnswerChannel: answerChannel,
		BootstrapHint: bootstrapHint,
		Relay:         relay,
	}
	code, err := envelope.Generate(payload.Kind, payload, group.Key)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), code)
	return nil
}

func inviteDecode(cmd *cobra.Command, args []string) error {
	group, err := groupFromFlags(cmd)
	if err != nil {
		return err
	}
	payload, err := envelope.Decode(args[0], group.Key)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "group_id:       %s\n", payload.GroupID)
	fmt.Fprintf(out, "kind:           %s\n", payload.Kind)
	fmt.Fprintf(out, "sdp:            %s\n", payload.SDP)
	fmt.Fprintf(out, "answer_channel: %s\n", payload.AnswerChannel)
	fmt.Fprintf(out, "bootstrap_hint: %s\n", payload.BootstrapHint)
	fmt.Fprintf(out, "relay:          %s\n", payload.Relay)
	return nil
}

func inviteCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "invite", Short: "generate and decode invite/answer codes"}

	generate := &cobra.Command{
		Use:   "generate",
		Short: "generate an invite or answer code for a syncshell",
		Args:  cobra.NoArgs,
		RunE:  inviteGenerate,
	}
	generate.Flags().String("group-name", "", "syncshell group name")
	generate.Flags().String("secret", "", "master secret, hex-encoded")
	generate.Flags().String("kind", string(envelope.KindOffer), "offer, answer, bootstrap, or nostr")
	generate.Flags().String("sdp", "", "WebRTC SDP offer/answer, for offer/answer kinds")
	generate.Flags().String("answer-channel", "", "signaling answer-channel code, for offer kind")
	generate.Flags().String("bootstrap-hint", "", "mesh bootstrap hint, for bootstrap kind")
	generate.Flags().String("relay", "", "relay URL hint")
	generate.MarkFlagRequired("group-name")
	generate.MarkFlagRequired("secret")

	decode := &cobra.Command{
		Use:   "decode <code>",
		Short: "decode an invite or answer code",
		Args:  cobra.ExactArgs(1),
		RunE:  inviteDecode,
	}
	decode.Flags().String("group-name", "", "syncshell group name")
	decode.Flags().String("secret", "", "master secret, hex-encoded")
	decode.MarkFlagRequired("group-name")
	decode.MarkFlagRequired("secret")

	cmd.AddCommand(generate, decode)
	return cmd
}
