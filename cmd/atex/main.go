// Command atex runs an FMF-described test suite across provisioned libvirt
// domains (§1), or passes `shvirt` sub-commands straight through to an
// atex-virt-helper process (§6).
package main

func main() {
	Execute()
}
