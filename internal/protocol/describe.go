package protocol

import "fmt"

// Describe renders m in a compact form for logs.
func Describe(m Message) string {
	switch v := m.(type) {
	case ClientUpdate:
		return fmt.Sprintf("client_update server=%d client=%d ts=%d update=%d", v.ServerID, v.ClientID, v.Timestamp, v.Update)
	case ViewChange:
		return fmt.Sprintf("view_change server=%d attempted=%d", v.ServerID, v.Attempted)
	case VCProof:
		return fmt.Sprintf("vc_proof server=%d installed=%d", v.ServerID, v.Installed)
	case Prepare:
		return fmt.Sprintf("prepare server=%d view=%d aru=%d", v.ServerID, v.View, v.LocalAru)
	case Proposal:
		return fmt.Sprintf("proposal server=%d view=%d seq=%d client=%d ts=%d", v.ServerID, v.View, v.Seq, v.Update.ClientID, v.Update.Timestamp)
	case Accept:
		return fmt.Sprintf("accept server=%d view=%d seq=%d", v.ServerID, v.View, v.Seq)
	case GloballyOrderedUpdate:
		return fmt.Sprintf("ordered server=%d seq=%d client=%d ts=%d", v.ServerID, v.Seq, v.Update.ClientID, v.Update.Timestamp)
	case PrepareOK:
		return fmt.Sprintf("prepare_ok server=%d view=%d proposals=%d ordered=%d", v.ServerID, v.View, len(v.Proposals), len(v.Updates))
	case Ack:
		return fmt.Sprintf("ack size=%d", len(v.Payload))
	case nil:
		return "<nil>"
	default:
		return fmt.Sprintf("%T", m)
	}
}
